// Package search provides core.BusinessSearch collaborators: a DuckDuckGo
// instant answer client and a static in-memory searcher for tests and demos.
// An OpenSearch backed business directory lives in search/opensearch.
package search
