package httpingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindFor(t *testing.T) {
	tests := []struct {
		contentType string
		want        string
	}{
		{"application/hl7-v2", "hl7"},
		{"x-application/hl7-v2+er7", "hl7"},
		{"application/fhir+json; charset=utf-8", "fhir"},
		{"application/json", "fhir"},
		{"application/dicom", "dicom"},
		{"video/mp4", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			assert.Equal(t, tt.want, kindFor(tt.contentType))
		})
	}
}

func TestExtFor(t *testing.T) {
	assert.Equal(t, ".dcm", extFor("application/dicom"))
	assert.Equal(t, ".json", extFor("application/fhir+json"))
	assert.Equal(t, ".xml", extFor("application/fhir+xml"))
	assert.Equal(t, ".txt", extFor("application/hl7-v2"))
}

func TestValidateContent(t *testing.T) {
	dicom := make([]byte, 140)
	copy(dicom[128:], "DICM")

	tests := []struct {
		name        string
		kind        string
		contentType string
		data        []byte
		ok          bool
	}{
		{"hl7 valid", "hl7", "application/hl7-v2", []byte("MSH|^~\\&|APP"), true},
		{"hl7 missing header", "hl7", "application/hl7-v2", []byte("PID|1"), false},
		{"fhir json valid", "fhir", "application/fhir+json", []byte(`{"resourceType":"Patient"}`), true},
		{"fhir json truncated", "fhir", "application/fhir+json", []byte(`{"resourceType":`), false},
		{"fhir xml valid", "fhir", "application/fhir+xml", []byte("  <Patient/>"), true},
		{"fhir xml invalid", "fhir", "application/fhir+xml", []byte("Patient"), false},
		{"dicom valid", "dicom", "application/dicom", dicom, true},
		{"dicom missing preamble", "dicom", "application/dicom", []byte("DICM"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateContent(tt.kind, tt.contentType, tt.data)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
