// Package database provides the PostgreSQL connection and the durable
// credential store built on it.
//
// The store keeps one row per credential entry (accessToken, refreshToken,
// user) under a profile name, so several client installs can share a database.
package database
