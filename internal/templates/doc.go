// ABOUTME: Package documentation for the template catalog
// ABOUTME: Explains the manifest, pre-caching, and offline fallback

// Package templates serves the reference template catalog.
//
// Templates are canned document bodies (complaint letters, appeal forms)
// that users fill in before sending. The authoritative copies live on the
// backend; this package keeps a durable local copy of the ones named in a
// TOML manifest so they stay usable offline.
//
// The manifest lists which templates are worth caching:
//
//	[[template]]
//	name = "complaint"
//	title = "File a complaint"
//
// Precache walks the manifest (or an explicit subset) and writes each body
// to the store. Get prefers the live backend and falls back to the cached
// copy only when the backend is unreachable, firing an optional notify
// callback so the UI can tell the user they are reading an offline copy.
// Any other fetch error is returned as-is: a template the backend rejects
// while online is a real error, not an offline condition.
package templates
