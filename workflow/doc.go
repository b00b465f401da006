// Copyright 2026 RAGFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
Package workflow implements the twelve-node state machine that drives a query
through rewriting, routing, retrieval, generation, and self-grading, with a
bounded retry loop and a best-candidate fallback when retries run out.

A run is sequential: node k+1 never starts before node k completes. The only
suspension points are the oracle and retrieval calls; cancellation is checked
at every one. After every state change the engine publishes a snapshot to the
session store, which is the sole observability surface.

The engine holds no module-level state. Its collaborators — oracle, retrieval
façade, compiler, grader, snapshot sink — are injected at construction and
must be safe for concurrent use, so any number of runs may execute in
parallel.
*/
package workflow
