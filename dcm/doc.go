/*
	Package dcm provides types, constants, and functions that have no other dependencies
	and can be used by all packages within dcmseq.  This includes the DICOM instance
	and fetch task records, the tag and transfer syntax constants, the error taxonomy
	shared by the fetch and decode pipeline, and package-level logging.
*/
package dcm
