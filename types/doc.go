// Copyright 2026 RAGFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
Package types defines the shared data model of the RAGFlow workflow: queries,
workflow state and transitions, retrieval results, compiled context, grading
results, final responses, and the unified error type.

All types here are plain data with no I/O. The workflow engine is the only
mutator of a WorkflowState during a run; everything published to observers is
a deep copy produced by Clone.
*/
package types
