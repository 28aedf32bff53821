/*
Package mocks will have all the mocks of the library, we'll try to use mocking using blackbox
testing and integration tests whenever is possible.
*/
package mocks

// Concurrency limit algorithm mocks.
//go:generate mockery -output ./concurrency/limit -dir ../../concurrency/limit -name Limiter

// Snapshot storage mocks.
//go:generate mockery -output ./snapshot -dir ../../snapshot -name Repository
//go:generate mockery -output ./snapshot -dir ../../snapshot -name ObjectStore
