// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Chat session connect attempts and their outcomes
//   - Active topic subscriptions and dropped inbound frames
//   - Token refresh waves, their outcomes and the requests queued behind them
package metrics
