package metadata

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"google.golang.org/api/option"

	"github.com/janelia-flyem/dcmseq/dcm"
)

const seriesJSON = `[
	{
		"00080018": {"vr": "UI", "Value": ["1.2.3.3"]},
		"00200013": {"vr": "IS", "Value": [3]},
		"00280010": {"vr": "US", "Value": [512]},
		"00280011": {"vr": "US", "Value": [256]},
		"00280004": {"vr": "CS", "Value": ["MONOCHROME1"]},
		"00280100": {"vr": "US", "Value": [16]},
		"00280103": {"vr": "US", "Value": [1]},
		"00280106": {"vr": "SS", "Value": [-1024]},
		"00280107": {"vr": "SS", "Value": [3071]}
	},
	{
		"00080018": {"vr": "UI", "Value": ["1.2.3.1"]},
		"00200013": {"vr": "IS", "Value": ["1"]},
		"00280008": {"vr": "IS", "Value": ["4"]},
		"00280010": {"vr": "US", "Value": [64]},
		"00280011": {"vr": "US", "Value": [64]},
		"00280100": {"vr": "US", "Value": [8]},
		"00080060": {"vr": "CS"}
	}
]`

type fakeCredentials struct {
	token   string
	signins int
}

func (c *fakeCredentials) AccessToken() (string, bool) {
	return c.token, c.token != ""
}

func (c *fakeCredentials) SignIn(ctx context.Context) error {
	c.signins++
	return nil
}

func TestFromDICOMJSON(t *testing.T) {
	instances, err := FromDICOMJSON([]byte(seriesJSON))
	if err != nil {
		t.Fatalf("Error parsing DICOM JSON: %v\n", err)
	}
	if len(instances) != 2 {
		t.Fatalf("Expected 2 instances, got %d\n", len(instances))
	}
	first := instances[0]
	if first.UID != "1.2.3.3" || first.Number != 3 || first.Rows != 512 || first.Columns != 256 {
		t.Errorf("Bad first instance: %s\n", first)
	}
	if first.Photometric != dcm.Monochrome1 || first.BitsAllocated != 16 || !first.Signed() {
		t.Errorf("Bad pixel attributes for first instance: %+v\n", first)
	}
	if first.MinPixelValue == nil || *first.MinPixelValue != -1024 {
		t.Errorf("Bad min pixel value: %v\n", first.MinPixelValue)
	}
	if first.MaxPixelValue == nil || *first.MaxPixelValue != 3071 {
		t.Errorf("Bad max pixel value: %v\n", first.MaxPixelValue)
	}
	if first.NumFrames != 1 {
		t.Errorf("Expected default single frame, got %d\n", first.NumFrames)
	}

	second := instances[1]
	if second.Number != 1 || second.NumFrames != 4 {
		t.Errorf("Integer strings not decoded: %+v\n", second)
	}
	if second.Photometric != dcm.Monochrome2 {
		t.Errorf("Expected default photometric interpretation, got %q\n", second.Photometric)
	}
	if second.MinPixelValue != nil || second.MaxPixelValue != nil {
		t.Errorf("Absent min/max should stay nil\n")
	}
}

func TestFromDICOMJSONInvalid(t *testing.T) {
	bad := []string{
		`{"00080018": {"vr": "UI", "Value": ["1"]}}`,
		`[{"00200013": {"vr": "IS", "Value": [1]}}]`,
		`[{"00080018": {"vr": "UI", "Value": ["1"]}, "rows": {"vr": "US"}}]`,
		`[{"00080018": {"vr": "UI", "Value": ["1"]}, "00200013": {"vr": "IS", "Value": ["x"]}, "00280010": {"vr": "US", "Value": [1]}, "00280011": {"vr": "US", "Value": [1]}}]`,
		`[{"00080018": {"vr": "UI", "Value": ["1"]}}]`,
		`not json`,
	}
	for i, data := range bad {
		if _, err := FromDICOMJSON([]byte(data)); err == nil {
			t.Errorf("Expected error on bad payload %d\n", i)
		}
	}
}

func TestWebSource(t *testing.T) {
	creds := &fakeCredentials{token: "secret"}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Header.Get("Accept") != "application/dicom+json" {
			http.Error(w, "bad accept", http.StatusNotAcceptable)
			return
		}
		if r.URL.Path != "/dicomWeb/studies/S1/series/X1/metadata" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/dicom+json")
		w.Write([]byte(seriesJSON))
	}))
	defer ts.Close()

	src := &WebSource{BaseURL: ts.URL + "/dicomWeb/", Credentials: creds}
	instances, err := src.SeriesInstances(context.Background(), dcm.Series{StudyUID: "S1", SeriesUID: "X1"})
	if err != nil {
		t.Fatalf("Error retrieving metadata: %v\n", err)
	}
	if len(instances) != 2 {
		t.Fatalf("Expected 2 instances, got %d\n", len(instances))
	}

	_, err = src.SeriesInstances(context.Background(), dcm.Series{StudyUID: "S1", SeriesUID: "nope"})
	var tErr *dcm.TransportError
	if !errors.As(err, &tErr) || tErr.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 transport error, got %v\n", err)
	}

	creds.token = "stale"
	_, err = src.SeriesInstances(context.Background(), dcm.Series{StudyUID: "S1", SeriesUID: "X1"})
	if !errors.Is(err, dcm.ErrAuthExpired) {
		t.Errorf("Expected auth expired, got %v\n", err)
	}
	if creds.signins != 1 {
		t.Errorf("Expected one sign-in request, got %d\n", creds.signins)
	}

	creds.token = ""
	_, err = src.SeriesInstances(context.Background(), dcm.Series{StudyUID: "S1", SeriesUID: "X1"})
	if !errors.Is(err, dcm.ErrNotSignedIn) {
		t.Errorf("Expected not signed in, got %v\n", err)
	}
}

func TestHealthcareSource(t *testing.T) {
	store := "projects/p/locations/us/datasets/d/dicomStores/s"
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, store+"/dicomWeb/studies/S1/series/X1/metadata") {
			http.Error(w, `{"error": {"code": 404, "message": "no such series"}}`, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/dicom+json")
		w.Write([]byte(seriesJSON))
	}))
	defer ts.Close()

	ctx := context.Background()
	src, err := NewHealthcareSource(ctx, store, option.WithEndpoint(ts.URL+"/"), option.WithoutAuthentication())
	if err != nil {
		t.Fatalf("Unable to create healthcare source: %v\n", err)
	}
	instances, err := src.SeriesInstances(ctx, dcm.Series{StudyUID: "S1", SeriesUID: "X1"})
	if err != nil {
		t.Fatalf("Error retrieving metadata: %v\n", err)
	}
	if len(instances) != 2 || instances[1].NumFrames != 4 {
		t.Errorf("Bad instances from healthcare source: %v\n", instances)
	}

	_, err = src.SeriesInstances(ctx, dcm.Series{StudyUID: "S1", SeriesUID: "X2"})
	var tErr *dcm.TransportError
	if !errors.As(err, &tErr) || tErr.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 transport error, got %v\n", err)
	}
}

func TestURLs(t *testing.T) {
	got := MetadataURL("https://host/dicomWeb/", dcm.Series{StudyUID: "a", SeriesUID: "b"})
	if got != "https://host/dicomWeb/studies/a/series/b/metadata" {
		t.Errorf("Bad metadata URL: %s\n", got)
	}
	got = DICOMwebURL("", "projects/p/locations/l/datasets/d/dicomStores/s")
	if got != "https://healthcare.googleapis.com/v1/projects/p/locations/l/datasets/d/dicomStores/s/dicomWeb" {
		t.Errorf("Bad DICOMweb URL: %s\n", got)
	}
}
