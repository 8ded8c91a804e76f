package metadata

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"google.golang.org/api/googleapi"
	healthcare "google.golang.org/api/healthcare/v1"
	"google.golang.org/api/option"

	"github.com/janelia-flyem/dcmseq/dcm"
)

// Source supplies the instances of a series, in metadata order, before scheduling.
type Source interface {
	SeriesInstances(ctx context.Context, series dcm.Series) ([]*dcm.Instance, error)
}

// Credentials supplies bearer tokens and can request a new sign-in.
type Credentials interface {
	AccessToken() (string, bool)
	SignIn(ctx context.Context) error
}

// MetadataURL returns the DICOMweb series metadata endpoint under a service base URL.
func MetadataURL(base string, series dcm.Series) string {
	return fmt.Sprintf("%s/studies/%s/series/%s/metadata", strings.TrimRight(base, "/"),
		series.StudyUID, series.SeriesUID)
}

// WebSource retrieves series metadata from any DICOMweb service.
type WebSource struct {
	BaseURL     string
	Client      *http.Client
	Credentials Credentials // optional
}

// SeriesInstances implements Source.
func (s *WebSource) SeriesInstances(ctx context.Context, series dcm.Series) ([]*dcm.Instance, error) {
	url := MetadataURL(s.BaseURL, series)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/dicom+json")
	if s.Credentials != nil {
		token, ok := s.Credentials.AccessToken()
		if !ok {
			return nil, dcm.ErrNotSignedIn
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &dcm.TransportError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &dcm.TransportError{URL: url, StatusCode: resp.StatusCode, Err: err}
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		if s.Credentials != nil {
			if err := s.Credentials.SignIn(ctx); err != nil {
				dcm.Errorf("sign-in after rejected metadata request failed: %v\n", err)
			}
		}
		return nil, dcm.ErrAuthExpired
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &dcm.TransportError{URL: url, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	return FromDICOMJSON(data)
}

// HealthcareSource retrieves series metadata from a Google Cloud Healthcare API
// DICOM store through the generated API client.
type HealthcareSource struct {
	// Store is the DICOM store resource name, e.g.,
	// projects/p/locations/l/datasets/d/dicomStores/s
	Store string

	svc *healthcare.Service
}

// NewHealthcareSource returns a source for the given DICOM store.  Credentials and
// endpoint are given as client options, e.g., option.WithTokenSource.
func NewHealthcareSource(ctx context.Context, store string, opts ...option.ClientOption) (*HealthcareSource, error) {
	if store == "" {
		return nil, fmt.Errorf("no DICOM store resource name given")
	}
	svc, err := healthcare.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create healthcare API client: %v", err)
	}
	return &HealthcareSource{Store: store, svc: svc}, nil
}

// SeriesInstances implements Source.
func (s *HealthcareSource) SeriesInstances(ctx context.Context, series dcm.Series) ([]*dcm.Instance, error) {
	path := fmt.Sprintf("studies/%s/series/%s/metadata", series.StudyUID, series.SeriesUID)
	call := s.svc.Projects.Locations.Datasets.DicomStores.Studies.Series.RetrieveMetadata(s.Store, path)
	resp, err := call.Context(ctx).Do()
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) {
			if apiErr.Code == http.StatusUnauthorized {
				return nil, dcm.ErrAuthExpired
			}
			return nil, &dcm.TransportError{URL: s.Store + "/dicomWeb/" + path, StatusCode: apiErr.Code, Message: apiErr.Message, Err: err}
		}
		return nil, &dcm.TransportError{URL: s.Store + "/dicomWeb/" + path, Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &dcm.TransportError{URL: s.Store + "/dicomWeb/" + path, StatusCode: resp.StatusCode, Err: err}
	}
	return FromDICOMJSON(data)
}

// DICOMwebURL returns the DICOMweb base URL of a Healthcare API DICOM store, suitable
// for frame retrieval with the fetch package.
func DICOMwebURL(endpoint, store string) string {
	if endpoint == "" {
		endpoint = "https://healthcare.googleapis.com/v1"
	}
	return fmt.Sprintf("%s/%s/dicomWeb", strings.TrimRight(endpoint, "/"), store)
}
