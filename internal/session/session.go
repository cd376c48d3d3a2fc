// Package session holds the local user's identity and credential. It answers
// whether the session is authenticated, hands out the bearer token, and clears
// everything when any collaborator reports an authorization failure. The
// credential can be persisted in memory or in Redis so a restarted client
// resumes the same session.
package session
