// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package fence provides GPU completion tokens and a watcher that runs
// callbacks once they signal.
//
// A producer that submits GPU work gets a [Token] back. Handing the token
// to a [Watcher] lets the producer continue immediately; the callback runs
// on the watcher goroutine after the GPU has finished, which is the point
// where the rendered buffer may be given to a consumer.
//
//	w := fence.NewWatcher()
//	defer w.Close()
//
//	tok, err := slot.Publish(ctx)
//	if err != nil {
//	    return err
//	}
//	return w.Watch(tok, func(err error) {
//	    display.Queue(slot.Buffer())
//	})
//
// Tokens come from HAL fences ([FromHAL]), Linux sync_file descriptors
// ([FromSyncFile]), or [Signaled] for submissions made without a fence.
package fence
