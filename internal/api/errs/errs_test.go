package errs

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheck_TranslatesFieldErrors(t *testing.T) {
	t.Parallel()

	type req struct {
		FileID   string   `json:"file_id" validate:"required,uuid"`
		Keywords []string `json:"keywords" validate:"omitempty,dive,min=1"`
	}

	err := Check(req{})
	require.Error(t, err)

	var fields FieldErrors
	require.ErrorAs(t, err, &fields)
	assert.Contains(t, fields.Fields(), "FileID")
	assert.Contains(t, fields.Fields()["FileID"], "required")

	assert.NoError(t, Check(req{FileID: "8f14e45f-ceea-4b76-9f3b-6a2f5c4f0a10"}))
}

func TestNew_CarriesValidationFields(t *testing.T) {
	t.Parallel()

	fields := FieldErrors{{Field: "FileID", Err: "FileID is a required field"}}
	apiErr := New(InvalidArgument, fields)

	assert.Equal(t, InvalidArgument, apiErr.Code)
	assert.Equal(t, "FileID is a required field", apiErr.Fields["FileID"])

	plain := New(Internal, errors.New("boom"))
	assert.Empty(t, plain.Fields)
	assert.Equal(t, "boom", plain.Message)
}

func TestErrCode_HTTPStatus(t *testing.T) {
	t.Parallel()

	assert.Equal(t, http.StatusBadRequest, InvalidArgument.HTTPStatus())
	assert.Equal(t, http.StatusUnauthorized, Unauthenticated.HTTPStatus())
	assert.Equal(t, http.StatusNotFound, NotFound.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, Internal.HTTPStatus())
	assert.Equal(t, "invalid_argument", InvalidArgument.String())
}
