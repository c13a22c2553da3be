package main

import (
	"encoding/base64"
	"math"
	"runtime"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/cpu"
)

var startTime = time.Now()

func getCpuUsage() float64 {
	percent, err := cpu.Percent(0, false)
	if err != nil {
		return 0
	}

	if len(percent) > 0 {
		return math.Round(percent[0]*100) / 100
	}

	return 0
}

func getMemoryUsage() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Alloc
}

func formatBytes(bytes uint64) string {
	return humanize.IBytes(bytes)
}

// decodeURL accepts the base64url form of an image URL, padded or not.
func decodeURL(encodedURL string) (string, error) {
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(encodedURL, "="))
	if err != nil {
		return "", err
	}
	return removeControlCharacters(string(data)), nil
}

func removeControlCharacters(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, strings.TrimSpace(s))
}
