// Package sse decodes the chat backend's line-oriented event stream into
// typed protocol events.
//
// # Wire format
//
// The stream is a sequence of frames:
//
//	event: source_list
//	data: {"sources":[{"url":"https://example.gov","title":"Example"}]}
//
//	data: {"token":"Hel"}
//
//	data: [DONE]
//
// An event: line names the type of the next data: line; without one the
// type defaults to "message" (a token). The literal payload [DONE] always
// terminates the stream, whatever type was announced.
//
// # Token compatibility
//
// Token payloads arrive in two backend conventions and the decoder probes
// both: a flat {"token":"..."} field, and the nested delta form
// {"choices":[{"delta":{"content":"..."}}]}.
//
// # Error policy
//
// A frame whose payload is not valid JSON (or fits no known shape) is
// skipped silently so a single corrupt frame cannot kill an otherwise
// healthy response. Transport-level read errors are returned to the caller.
package sse
