// Copyright 2026 The Streamvisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package streamvisor supervises the worker processes of a streaming
// testbed: media servers and the log reporters that ship their logs.
//
// A Supervisor spawns each worker as its own OS process, so that a crash
// in one worker cannot damage the supervisor or its siblings.  Spawning
// never blocks.  Termination is observed through the same poller that
// other components may use for I/O readiness: on Linux every child gets a
// pidfd, watched for readability, and the child is reaped when it fires.
// When a child exits with a non-zero status, or is killed by a signal, its
// failure callback runs exactly once, on the goroutine that called Wait.
//
// Wait drives the poller until every child is done, and returns a non-zero
// status if any of them failed, which the daemon uses as its exit status.
package streamvisor
