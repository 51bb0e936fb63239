package storage

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStager(t *testing.T, admitted bool) (*Stager, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	free := int64(0)
	if admitted {
		free = 10 * gb
	}
	a, err := NewAdmissionControl(fs, "/staging", 10, gb, zerolog.Nop(), nil)
	require.NoError(t, err)
	a.stats = fixedStats(10*gb, free)
	return NewStager(fs, a, nil, zerolog.Nop(), nil), fs
}

func TestStageWritesContentAndMetadata(t *testing.T) {
	s, fs := newTestStager(t, true)

	f, err := s.Stage(context.Background(), StageRequest{
		GroupKey:      "1.2.840.113619",
		CorrelationID: "corr-1",
		Source:        "MODALITY01",
		Kind:          "hl7",
		Ext:           ".txt",
		ContentType:   "text/plain",
		Content:       strings.NewReader("MSH|^~\\&|"),
		Metadata:      []byte(`{"source":"MODALITY01"}`),
	})
	require.NoError(t, err)

	assert.NotEmpty(t, f.ID)
	assert.Equal(t, StatusPending, f.Status())
	assert.Equal(t, int64(9), f.Size)
	assert.Equal(t, filepath.Join("/staging", "1.2.840.113619", "hl7", f.ID+".txt"), f.LocalPath)
	assert.Equal(t, "hl7/"+f.ID+".txt", f.UploadPath)
	assert.Equal(t, "hl7/"+f.ID+".json", f.MetaUploadPath)

	raw, err := afero.ReadFile(fs, f.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, "MSH|^~\\&|", string(raw))

	meta, err := afero.ReadFile(fs, f.MetaLocalPath)
	require.NoError(t, err)
	assert.JSONEq(t, `{"source":"MODALITY01"}`, string(meta))

	assert.Len(t, f.LocalPaths(), 2)
}

func TestStageWithoutMetadataOwnsSinglePath(t *testing.T) {
	s, _ := newTestStager(t, true)

	f, err := s.Stage(context.Background(), StageRequest{
		GroupKey:    "grp",
		Kind:        "fhir",
		Ext:         ".json",
		ContentType: "application/fhir+json",
		Content:     strings.NewReader(`{"resourceType":"Patient"}`),
	})
	require.NoError(t, err)
	assert.Empty(t, f.MetaLocalPath)
	assert.Equal(t, []string{f.LocalPath}, f.LocalPaths())
}

func TestStageRefusedWhenVolumeFull(t *testing.T) {
	s, _ := newTestStager(t, false)

	_, err := s.Stage(context.Background(), StageRequest{
		GroupKey: "grp",
		Kind:     "hl7",
		Ext:      ".txt",
		Content:  strings.NewReader("x"),
	})
	require.ErrorIs(t, err, ErrInsufficientStorage)
}

func TestStageAppliesTransforms(t *testing.T) {
	fs := afero.NewMemMapFs()
	a, err := NewAdmissionControl(fs, "/staging", 10, gb, zerolog.Nop(), nil)
	require.NoError(t, err)
	a.stats = fixedStats(10*gb, 10*gb)

	tagged := false
	s := NewStager(fs, a, []Transform{
		func(_ context.Context, f *StagedFile) error {
			tagged = true
			f.Workflows = append(f.Workflows, "triage")
			return nil
		},
	}, zerolog.Nop(), nil)

	f, err := s.Stage(context.Background(), StageRequest{
		GroupKey: "grp",
		Kind:     "hl7",
		Ext:      ".txt",
		Content:  strings.NewReader("x"),
	})
	require.NoError(t, err)
	assert.True(t, tagged)
	assert.Equal(t, []string{"triage"}, f.Workflows)
}

func TestStagedFileRetryBookkeeping(t *testing.T) {
	f := &StagedFile{status: StatusPending}
	assert.Zero(t, f.Retries())

	f.AddRetry()
	f.AddRetry()
	assert.Equal(t, 2, f.Retries())

	f.SetUploaded()
	assert.True(t, f.IsUploaded())
	f.SetFailed()
	assert.Equal(t, StatusFailed, f.Status())
}
