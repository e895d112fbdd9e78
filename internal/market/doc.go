// Package market polls the external market-data provider for the union of
// every active user's assets. Concurrent polls share one in-flight provider
// request, and the last good result is reused while the provider is failing.
package market
