// Copyright 2026 RAGFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
Package rag provides the retrieval layer of the workflow: a uniform backend
façade over the knowledge store, web search, and tool/API source kinds, plus
the pure context compiler that merges heterogeneous retrieval results into a
single ranked, attributed bundle.

The façade never lets a backend failure escape: timeouts, connection errors,
and protocol errors are classified and recorded in the result's raw metadata
while the items stay empty, so the workflow keeps making progress.
*/
package rag
