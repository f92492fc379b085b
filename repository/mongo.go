package repository

import (
	"errors"

	wrapErrors "github.com/linlinbupt123-crypto/hdwallet_core/errors"
	"go.mongodb.org/mongo-driver/mongo"
)

// convertErr maps driver errors to the typed errors the stores promise.
func convertErr(kind, key string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return &wrapErrors.NotFoundError{Kind: kind, Key: key}
	case mongo.IsDuplicateKeyError(err):
		return &wrapErrors.AlreadyExistsError{Kind: kind, Key: key}
	default:
		return wrapErrors.WrapWithCode(wrapErrors.CodeStore, kind, err)
	}
}
