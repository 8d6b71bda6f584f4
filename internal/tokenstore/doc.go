// Package tokenstore persists the credential record across process restarts.
//
// Supports two storage backends with different security tradeoffs:
//   - File: JSON file in the per-user state directory with atomic writes and 0600 permissions
//   - Keyring: OS-native credential storage (macOS Keychain, Windows Credential Manager, etc.)
//
// Both backends use the same JSON document:
//
//	{"access_token": "...", "expires_on": "2024-05-01T12:00:00Z", "refresh_token": "..."}
//
// Neither backend locks against other processes sharing the same location.
package tokenstore
