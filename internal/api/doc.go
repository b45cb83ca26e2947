// Package api provides the marketplace REST client and the token refresh
// coordinator that keeps its requests authenticated.
//
// Every request goes through Coordinator, an http.RoundTripper that attaches
// the stored bearer token. When the server answers 401, the coordinator runs
// a single refresh against
//
//	POST {rest_url}/auth/refresh  {"refreshToken": "..."}
//
// no matter how many requests failed at once, then replays each failed
// request one time with the new token. A failed refresh clears the stored
// credentials and publishes a logout on the auth bus.
package api
