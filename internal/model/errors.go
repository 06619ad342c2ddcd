package model

import "errors"

// Error taxonomy for the exam cycle. Every external-service call is wrapped at
// the handler boundary and converted into one of these, matched with errors.Is.
var (
	// ErrEmptyDocument means no extractable text is available for generation.
	ErrEmptyDocument = errors.New("document text is empty")
	// ErrGenerationParse means the LLM response did not match the expected shape.
	ErrGenerationParse = errors.New("response not parseable as expected format")
	// ErrService means the underlying LLM or transcription call failed.
	ErrService = errors.New("external service failure")
	// ErrLengthMismatch means questions and answers are not the same length.
	ErrLengthMismatch = errors.New("questions and answers length mismatch")
	// ErrNothingToEvaluate means an evaluation was requested for an empty set.
	ErrNothingToEvaluate = errors.New("nothing to evaluate")
	// ErrIndexOutOfRange means an answer index is outside the active set.
	ErrIndexOutOfRange = errors.New("answer index out of range")
)
