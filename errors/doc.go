// Package errors carries the failure taxonomy of the pipeline stages and
// the classifier that turns a failure into a redeliver-or-dead-letter
// decision.
//
// Codes map to a category (transient, permanent, resource, internal) and
// the category decides the default retry behaviour:
//
//	err := errors.New(errors.ErrCodePlatform, "post rejected", errors.WithRetryable(false))
//	wrapped := errors.Wrap(err, "creating post")
//
// Stages ask the classifier rather than inspecting errors themselves:
//
//	if errors.Classify(err) == errors.Retryable {
//	    return err // queue redelivers
//	}
//
// Classify honours an explicit retryable flag first, then HTTP status codes
// (429 and 5xx gateway/server errors retry), then timeouts and network
// errors, then a table of permanent markers such as "invalid_grant".
// Anything unrecognised is retryable.
package errors
