// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package opull pulls models from the Ollama registry and the Hugging Face
// hub into a local Ollama model store.
//
// A pull resolves a manifest, downloads the blobs it references with resume
// and bounded retries, verifies each blob's digest, and commits blobs and
// manifest atomically into the store layout the Ollama runtime reads.
// Interrupted pulls leave partial files behind that the next pull of the
// same content resumes from.
//
// The entry point is Session:
//
//	settings, _ := opull.LoadSettings("")
//	sess, _ := opull.NewSession(settings, opull.ProviderRegistry, nil)
//	ref, _ := opull.ParseRegistryRef("qwen2.5:3b")
//	result, err := sess.Pull(ctx, ref)
//
// Progress is reported through a ProgressFunc callback; both providers are
// reachable through the Resolver interface, which also serves paginated
// model and tag listings.
package opull
