// Package tokencache holds the in-memory OAuth2 credential record.
//
// A Cache is owned by the composition root and shared by reference with the
// authenticators that read or replace its contents. Each method holds the
// cache lock only for its own duration: a sequence such as "check expiry,
// then refresh, then assign" is not atomic across calls. Callers that need
// the whole sequence to be atomic must serialize it themselves.
package tokencache
