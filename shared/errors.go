package shared

import "errors"

var (
	ErrNoLogger               = errors.New("no logger provided")
	ErrNoAPIKey               = errors.New("no API key provided")
	ErrNoCallbacks            = errors.New("no callbacks provided")
	ErrNoAudioSink            = errors.New("no audio chunk callback provided")
	ErrNoActiveSession        = errors.New("no active session for id")
	ErrSessionExists          = errors.New("session id already registered")
	ErrSessionClosed          = errors.New("session closed")
	ErrPacerAlreadyRunning    = errors.New("pacer already running")
	ErrUnsupportedContentType = errors.New("unsupported content type")
	ErrUnknownEventType       = errors.New("unknown event type")
	ErrMissingEventField      = errors.New("missing event field")
	ErrMalformedEvent         = errors.New("malformed server event")
)
