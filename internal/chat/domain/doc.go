// Package domain defines the core chat types shared across services: ranks,
// powers and their capability vectors, connection identities, and moderation
// action enumerations. The package is storage- and transport-agnostic.
package domain
