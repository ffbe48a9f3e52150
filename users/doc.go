// Package users is the record access layer for user records.
//
// A Store owns the access discipline to a single shared storage engine.
// Each operation (Create, Read, Update, Delete) is exactly one engine
// interaction, mapped to a User or to one of ErrNotFound, *EngineError,
// or *DecodeError.
//
// Two access modes are supported, fixed per Store:
//
//   - AccessDirect calls the engine from the caller's goroutine. It is only
//     valid for engines that are safe for concurrent use.
//   - AccessSerialized hands every engine call to a workpool.Pool and runs
//     it under a single exclusive gate. Calls for the same id share a
//     worker lane, so they run in the order they were issued.
//
// Neither mode retries. A context passed to an operation is used for
// tracing only; once issued, an operation runs to completion.
package users
