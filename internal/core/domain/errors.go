package domain

import "errors"

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionEnded     = errors.New("session already ended")
	ErrDuplicateChunk   = errors.New("chunk already enqueued for this part index")
	ErrChunkNotFound    = errors.New("chunk not found")
	ErrManifestNotFound = errors.New("manifest not found")
	ErrManifestExists   = errors.New("manifest already written")
	ErrEmptySegment     = errors.New("segment fetch returned zero bytes")
	ErrUnsupportedCodec = errors.New("unsupported codec")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("forbidden")
	ErrPeerNotFound     = errors.New("peer not found")
	ErrMalformedPayload = errors.New("malformed channel payload")
	ErrUploadAborted    = errors.New("upload aborted")
	ErrTornDown         = errors.New("session torn down")
)
