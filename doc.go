// # Go Session Manager for the OpenAI Realtime Voice API
//
// This repository provides a Go package for bridging live audio sources, telephony trunks in particular, to two-way voice conversations over the OpenAI Realtime API. It is designed to be imported into your own Go projects, providing persistent WebSocket sessions, real-time paced playback with barge-in cancellation, and model command dispatch.
package s2s
