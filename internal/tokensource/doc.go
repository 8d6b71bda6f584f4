// Package tokensource acquires and renews OAuth2 credentials from the
// Microsoft identity platform.
//
// Two grants are supported:
//   - Device code (RFC 8628): interactive authorization on a second device, driven by DeviceAuthenticator
//   - Refresh token: silent renewal of the access token held in a tokencache.Cache, driven by Refresher
//
// # Device Code Flow
//
// Start requests a device code and returns a DeviceFlow. Its message must be
// shown to the user before polling:
//
//	flow, err := auth.Start(ctx, clientID)
//	fmt.Println(flow.Message())
//	grant, err := flow.Wait(ctx)
//
// Polling waits on an injectable clock and has no timeout of its own; bound it
// with ctx.
//
// # Errors
//
// Failures are reported as *NetworkError, *ServerError or *MissingFieldError.
// ErrAuthorizationPending is only visible to callers iterating DeviceFlow.Attempts.
package tokensource
