// Package level implements the loudness meter: normalization, smoothing
// and peak hold over raw microphone amplitude samples.
package level
