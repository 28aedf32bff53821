package limit_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/slok/goconcurrency/concurrency/limit"
)

func TestAIMD(t *testing.T) {
	tests := []struct {
		name     string
		cfg      limit.AIMDConfig
		nextf    func(alg limit.Limiter) int
		expLimit int
	}{
		{
			name: "An active function should increase by the step (increase).",
			cfg: limit.AIMDConfig{
				IncreaseStep: 2,
			},
			nextf: func(alg limit.Limiter) int {
				return alg.Next(10, limit.SignalActive)
			},
			expLimit: 12,
		},
		{
			name: "Increasing should stop on the maximum limit (increase).",
			cfg: limit.AIMDConfig{
				MaximumLimit: 20,
				IncreaseStep: 1,
			},
			nextf: func(alg limit.Limiter) int {
				l := 1
				for i := 0; i < 1000; i++ {
					l = alg.Next(l, limit.SignalActive)
				}
				return l
			},
			expLimit: 20,
		},
		{
			name: "An idle function should keep the limit.",
			cfg:  limit.AIMDConfig{},
			nextf: func(alg limit.Limiter) int {
				return alg.Next(37, limit.SignalIdle)
			},
			expLimit: 37,
		},
		{
			name: "With throttling it should decrease with a ratio (decrease).",
			cfg: limit.AIMDConfig{
				BackoffRatio: 0.5,
			},
			nextf: func(alg limit.Limiter) int {
				return alg.Next(10, limit.SignalThrottled)
			},
			expLimit: 5,
		},
		{
			name: "With a custom ratio it should decrease with the ratio (decrease).",
			cfg: limit.AIMDConfig{
				BackoffRatio: 0.6,
			},
			nextf: func(alg limit.Limiter) int {
				return alg.Next(50, limit.SignalThrottled)
			},
			expLimit: 30,
		},
		{
			name: "A decrease should always make progress even if the ratio rounds to the same limit.",
			cfg: limit.AIMDConfig{
				BackoffRatio: 0.9,
			},
			nextf: func(alg limit.Limiter) int {
				return alg.Next(3, limit.SignalThrottled)
			},
			expLimit: 2,
		},
		{
			name: "If we decrease to 0, we should stop on the minimum limit.",
			cfg: limit.AIMDConfig{
				MinimumLimit: 1,
			},
			nextf: func(alg limit.Limiter) int {
				l := 500
				for i := 0; i < 1000; i++ {
					l = alg.Next(l, limit.SignalThrottled)
				}
				return l
			},
			expLimit: 1,
		},
		{
			name: "A limit out of bounds should be clamped.",
			cfg: limit.AIMDConfig{
				MaximumLimit: 10,
			},
			nextf: func(alg limit.Limiter) int {
				return alg.Next(100, limit.SignalIdle)
			},
			expLimit: 10,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert := assert.New(t)

			alg := limit.NewAIMD(test.cfg)
			gotLimit := test.nextf(alg)

			assert.Equal(test.expLimit, gotLimit)
		})
	}
}
