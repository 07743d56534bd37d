// Package energy converts 16-bit PCM into a normalized log-energy signal.
// Fixed-size buckets of samples are reduced to one value in [0,1] above a noise
// floor and written into a circular buffer owned by the consumer.
package energy
