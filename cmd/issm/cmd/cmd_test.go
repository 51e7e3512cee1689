package cmd

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/issm/issm/internal/apperr"
)

func TestParseFields(t *testing.T) {
	fields, err := parseFields([]string{"patient_name=Doe^Jane", "split=", "study_date=Mon, 02 Jan 2006 15:04:05 UTC"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"patient_name": "Doe^Jane",
		"split":        "",
		"study_date":   "Mon, 02 Jan 2006 15:04:05 UTC",
	}, fields)

	_, err = parseFields([]string{"=value"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = parseFields([]string{"a=1", "a=2"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestParseID(t *testing.T) {
	id, err := parseID(" 42 ")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	for _, arg := range []string{"", "0", "-3", "4x"} {
		_, err := parseID(arg)
		assert.ErrorIs(t, err, apperr.ErrValidation, arg)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{apperr.New(apperr.ErrDimensionMismatch, "shape"), 2},
		{fmt.Errorf("load: %w", apperr.New(apperr.ErrNotFound, "image")), 3},
		{apperr.New(apperr.ErrPermissionDenied, "nope"), 4},
		{apperr.New(apperr.ErrStateConflict, "stale"), 5},
		{errors.New("plain"), 1},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.code, ExitCode(tt.err), tt.err.Error())
	}
}

func TestDescribeNamesKind(t *testing.T) {
	err := apperr.New(apperr.ErrInvalidStateTransition, "cannot submit a segmentation that is accepted")
	assert.Equal(t, "error: invalid state transition: cannot submit a segmentation that is accepted", Describe(err))
	assert.Equal(t, "error: plain", Describe(errors.New("plain")))
}

func TestCommandTree(t *testing.T) {
	root := RootCmd()
	for _, path := range [][]string{
		{"migrate", "up"},
		{"project", "member", "add"},
		{"project", "modality", "add"},
		{"project", "contrast", "remove"},
		{"image", "import"},
		{"model", "attach"},
		{"case", "review"},
		{"case", "download"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}
