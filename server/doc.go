/*
Package server provides the HTTP interface for running display sessions on a dcmseq
host.  A client starts a session for a study/series, polls its progress, fetches the
most recently rendered frame as an image, and cancels the session when done.

Configuration is read from a TOML file with [server], [viewer], [auth], [dicomweb],
[logging] and [kafka] sections.  See LoadConfig.
*/
package server
