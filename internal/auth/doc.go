// Package auth provides authentication and authorisation for the Grow Logic
// management API.
//
// Operators are declared in configuration with an Argon2id password hash and
// one of three roles (viewer → operator → admin). A successful login issues a
// short-lived HS256 access token; the role travels in the token, so requests
// are authorised without a database lookup using the static role-permission
// map in permissions.go.
package auth
