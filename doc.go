/*
Package dcmseq fetches the frames of a DICOM series over DICOMweb and displays them in
instance and frame order, keeping a bounded number of requests in flight.

Frames are retrieved with WADO-RS as multipart/related responses, decoded from
uncompressed little- or big-endian pixel data, and windowed into 8-bit grayscale images.
Frames may complete out of order.  A sequencer releases each image only when every
earlier frame has been delivered, so the display always advances in series order.

Packages

	dcm        Shared types (Instance, Series, FetchTask), errors, logging and utilities.
	multipart  Splits a single-part multipart/related frame response.
	pixel      Decodes pixel data and assembles displayable images.
	metadata   Retrieves series metadata as DICOM JSON from DICOMweb or the Cloud Healthcare API.
	auth       OAuth2 and JWT bearer credentials for outgoing requests.
	fetch      Frame retrieval over HTTP with caching and bucket capture/replay.
	worker     Worker pool and in-process or delegated frame loaders.
	sequencer  Ordered, bounded-concurrency scheduling of frame tasks.
	viewer     Display sessions tying a sequencer to a renderer.
	server     HTTP API for display sessions and the TOML configuration.

Commands

The dcmseq executable in cmd/dcmseq provides the following commands:

	dcmseq about
	dcmseq view <config.toml> <study UID> <series UID> <output dir>
	dcmseq serve <config.toml>
	dcmseq token <config.toml> <user>

A minimal configuration:

	[viewer]
	max_simultaneous_requests = 20
	use_parallel_fetch = true
	use_parallel_decode = true

	[dicomweb]
	base_url = "https://dicom.example.org/dicomWeb"
	credentials = "google"

	[logging]
	logfile = "/var/log/dcmseq.log"
*/
package dcmseq
