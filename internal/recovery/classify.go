package recovery

import (
	"context"
	"errors"

	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fyrsmithlabs/embedd/internal/embedding"
	"github.com/fyrsmithlabs/embedd/internal/vectorstore"
)

// OpKind tells the classifier what the failed operation was doing, for
// errors that carry no type information of their own.
type OpKind string

const (
	OpEmbed            OpKind = "embed"
	OpSearch           OpKind = "search"
	OpCollection       OpKind = "collection"
	OpKeyValidation    OpKind = "key_validation"
	OpConfigValidation OpKind = "config_validation"
	OpMaintenance      OpKind = "maintenance"
)

// Classify maps an error to a failure category.
//
// Typed errors from the embedding and vectorstore packages are matched
// first, then gRPC status codes, then context errors; anything left is
// attributed by the kind of operation that failed.
func Classify(err error, kind OpKind) Category {
	switch {
	case errors.Is(err, embedding.ErrAuth):
		return CategoryAPIKeyValidation
	case errors.Is(err, embedding.ErrRateLimit):
		return CategoryResourceExhaustion
	case errors.Is(err, embedding.ErrUnavailable):
		return CategoryNetwork
	case errors.Is(err, embedding.ErrInvalidInput):
		return CategoryEmbeddingGeneration
	case errors.Is(err, embedding.ErrInvalidConfig):
		return CategoryConfigurationValidation
	case errors.Is(err, vectorstore.ErrDimensionMismatch):
		return CategoryDataCorruption
	case errors.Is(err, vectorstore.ErrInvalidConfig), errors.Is(err, vectorstore.ErrInvalidCollectionName):
		return CategoryConfigurationValidation
	case errors.Is(err, vectorstore.ErrConnectionFailed):
		return CategoryNetwork
	case errors.Is(err, vectorstore.ErrCollectionNotFound), errors.Is(err, vectorstore.ErrCollectionExists):
		return CategoryCollectionManagement
	}

	if st, ok := status.FromError(err); ok && st.Code() != grpccodes.OK && st.Code() != grpccodes.Unknown {
		switch st.Code() {
		case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted:
			return CategoryNetwork
		case grpccodes.ResourceExhausted:
			return CategoryResourceExhaustion
		case grpccodes.Unauthenticated, grpccodes.PermissionDenied:
			return CategoryAPIKeyValidation
		case grpccodes.InvalidArgument:
			return CategoryConfigurationValidation
		case grpccodes.DataLoss:
			return CategoryDataCorruption
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return CategoryNetwork
	}

	switch kind {
	case OpEmbed:
		return CategoryEmbeddingGeneration
	case OpSearch:
		return CategoryVectorSearch
	case OpCollection, OpMaintenance:
		return CategoryCollectionManagement
	case OpKeyValidation:
		return CategoryAPIKeyValidation
	case OpConfigValidation:
		return CategoryConfigurationValidation
	default:
		return CategoryNetwork
	}
}
