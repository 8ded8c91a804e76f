/*
	Package metadata maps DICOM JSON series metadata onto typed instances and supplies the
	sources that retrieve it from a DICOMweb server.  Tag-keyed lookups live only here.
*/
package metadata

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/janelia-flyem/dcmseq/dcm"
)

// dicomJSONSchema constrains a series metadata payload to a list of tag-keyed attribute
// objects, each carrying a VR and optional Value list.
const dicomJSONSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "array",
	"items": {
		"type": "object",
		"required": ["00080018"],
		"propertyNames": {"pattern": "^[0-9A-Fa-f]{8}$"},
		"additionalProperties": {
			"type": "object",
			"properties": {
				"vr": {"type": "string", "minLength": 2, "maxLength": 2},
				"Value": {"type": "array"}
			}
		}
	}
}`

var compiledSchema = jsonschema.MustCompileString("dicom.json", dicomJSONSchema)

// attribute is one element of a DICOM JSON object.
type attribute struct {
	VR    string            `json:"vr"`
	Value []json.RawMessage `json:"Value,omitempty"`
}

// Attributes is a DICOM JSON object for a single instance, keyed by 8 hex digit tags.
type Attributes map[dcm.Tag]attribute

// value returns the flattened first element of a tag's Value list.
func (a Attributes) value(tag dcm.Tag) (json.RawMessage, bool) {
	attr, found := a[tag]
	if !found || len(attr.Value) == 0 {
		return nil, false
	}
	return attr.Value[0], true
}

// Text returns the string value of a tag or "" if absent.
func (a Attributes) Text(tag dcm.Tag) string {
	raw, found := a.value(tag)
	if !found {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.Trim(string(raw), `"`)
}

// Int returns the integer value of a tag.  Integer strings (IS) may be encoded as
// either JSON numbers or strings.
func (a Attributes) Int(tag dcm.Tag) (int, bool, error) {
	raw, found := a.value(tag)
	if !found {
		return 0, false, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		v, err := strconv.ParseFloat(string(n), 64)
		if err != nil {
			return 0, true, fmt.Errorf("tag %s value %s is not numeric: %v", tag, raw, err)
		}
		return int(v), true, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, true, fmt.Errorf("tag %s has unexpected value %s", tag, raw)
	}
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, true, fmt.Errorf("tag %s value %q is not an integer: %v", tag, s, err)
	}
	return v, true, nil
}

// Instance converts the attributes of one object into a typed instance.
func (a Attributes) Instance() (*dcm.Instance, error) {
	inst := &dcm.Instance{
		UID:         a.Text(dcm.TagInstanceUID),
		Photometric: a.Text(dcm.TagPhotometric),
	}
	if inst.UID == "" {
		return nil, fmt.Errorf("instance without SOP instance UID (%s)", dcm.TagInstanceUID)
	}
	ints := []struct {
		tag      dcm.Tag
		dest     *int
		required bool
	}{
		{dcm.TagInstanceNumber, &inst.Number, false},
		{dcm.TagNumFrames, &inst.NumFrames, false},
		{dcm.TagRows, &inst.Rows, true},
		{dcm.TagColumns, &inst.Columns, true},
		{dcm.TagBitsAllocated, &inst.BitsAllocated, false},
		{dcm.TagPixelRepresentation, &inst.PixelRepresentation, false},
	}
	for _, field := range ints {
		v, found, err := a.Int(field.tag)
		if err != nil {
			return nil, fmt.Errorf("instance %s: %v", inst.UID, err)
		}
		if !found && field.required {
			return nil, fmt.Errorf("instance %s missing required tag %s", inst.UID, field.tag)
		}
		*field.dest = v
	}
	if inst.NumFrames < 1 {
		inst.NumFrames = 1
	}
	if inst.BitsAllocated == 0 {
		inst.BitsAllocated = 16
	}
	if inst.Photometric == "" {
		inst.Photometric = dcm.Monochrome2
	}
	for _, opt := range []struct {
		tag  dcm.Tag
		dest **int
	}{
		{dcm.TagMinPixelValue, &inst.MinPixelValue},
		{dcm.TagMaxPixelValue, &inst.MaxPixelValue},
	} {
		v, found, err := a.Int(opt.tag)
		if err != nil {
			return nil, fmt.Errorf("instance %s: %v", inst.UID, err)
		}
		if found {
			value := v
			*opt.dest = &value
		}
	}
	return inst, nil
}

// Validate checks a series metadata payload against the DICOM JSON schema.
func Validate(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("metadata is not JSON: %v", err)
	}
	if err := compiledSchema.Validate(v); err != nil {
		return fmt.Errorf("metadata does not match DICOM JSON model: %v", err)
	}
	return nil
}

// FromDICOMJSON validates and converts a series metadata payload into instances,
// preserving payload order.
func FromDICOMJSON(data []byte) ([]*dcm.Instance, error) {
	if err := Validate(data); err != nil {
		return nil, err
	}
	var objects []Attributes
	if err := json.Unmarshal(data, &objects); err != nil {
		return nil, fmt.Errorf("unable to decode DICOM JSON: %v", err)
	}
	instances := make([]*dcm.Instance, 0, len(objects))
	for i, attrs := range objects {
		inst, err := attrs.Instance()
		if err != nil {
			return nil, fmt.Errorf("object %d: %v", i, err)
		}
		instances = append(instances, inst)
	}
	return instances, nil
}
