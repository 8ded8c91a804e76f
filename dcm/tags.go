package dcm

// Tag is a DICOM attribute tag in the 8 hex digit form used as keys of DICOM JSON.
type Tag string

// Attributes read from series metadata.
const (
	TagStudyUID            Tag = "0020000D"
	TagSeriesUID           Tag = "0020000E"
	TagInstanceUID         Tag = "00080018"
	TagInstanceNumber      Tag = "00200013"
	TagPatientID           Tag = "00100020"
	TagModality            Tag = "00080060"
	TagNumFrames           Tag = "00280008"
	TagRows                Tag = "00280010"
	TagColumns             Tag = "00280011"
	TagPhotometric         Tag = "00280004"
	TagBitsAllocated       Tag = "00280100"
	TagPixelRepresentation Tag = "00280103"
	TagMinPixelValue       Tag = "00280106"
	TagMaxPixelValue       Tag = "00280107"
)

// Transfer syntax UIDs, see PS3.6 Annex A.
const (
	ImplicitVRLittleEndianUID = "1.2.840.10008.1.2"
	ExplicitVRLittleEndianUID = "1.2.840.10008.1.2.1"
	ExplicitVRBigEndianUID    = "1.2.840.10008.1.2.2"

	// AnyTransferSyntax asks the server for the stored (original) encoding.
	AnyTransferSyntax = "*"
)

// Photometric interpretations that affect display.
const (
	Monochrome1 = "MONOCHROME1"
	Monochrome2 = "MONOCHROME2"
)

// DICOMContentType is the Accept value used to retrieve frames as multipart octet streams
// in the given transfer syntax.
func DICOMContentType(transferSyntax string) string {
	if transferSyntax == "" {
		transferSyntax = ExplicitVRLittleEndianUID
	}
	return `multipart/related; type="application/octet-stream"; transfer-syntax=` + transferSyntax
}
