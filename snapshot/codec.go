package snapshot

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/slok/goconcurrency/concurrency"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Encode returns the JSON document of the snapshot.
func Encode(snapshot concurrency.HostConcurrencySnapshot) ([]byte, error) {
	if snapshot.FunctionSnapshots == nil {
		snapshot.FunctionSnapshots = map[string]concurrency.FunctionConcurrencySnapshot{}
	}

	return json.Marshal(snapshot)
}

// Decode returns the snapshot of a JSON document.
func Decode(data []byte) (*concurrency.HostConcurrencySnapshot, error) {
	var snap concurrency.HostConcurrencySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, errors.Wrap(err, "could not decode snapshot")
	}

	if snap.FunctionSnapshots == nil {
		snap.FunctionSnapshots = map[string]concurrency.FunctionConcurrencySnapshot{}
	}

	return &snap, nil
}
