package database

import (
	"errors"

	"github.com/openimsdk/tools/errs"
	"go.mongodb.org/mongo-driver/mongo"
)

// IsNotFound unwraps the ambient error wrapper before testing for a missing
// document.
func IsNotFound(err error) bool {
	return errors.Is(errs.Unwrap(err), mongo.ErrNoDocuments)
}
