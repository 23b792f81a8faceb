package protocol

import (
	"math"
	"strconv"
	"strings"

	"github.com/srg/bmbridge/internal/device"
)

// MinMessageLen is the shortest decrypted message, in hex characters.
const MinMessageLen = 32

const (
	prefixBM6 = "d15507"
	prefixBM7 = "d1550700"

	signPositive = "00"
	signNegative = "01"
)

// ParseMessage decodes a decrypted hex message. It never panics: a message that
// is too short, carries the wrong prefix or sign byte, or holds non-numeric
// fields is rejected with ok == false.
//
// Layout (hex character offsets):
//
//	[0:6] or [0:8] prefix, [6:8] sign, [8:10] temperature, [12:14] state of charge, [15:18] voltage*100
func ParseMessage(msg string, model device.Model) (device.Reading, bool) {
	if len(msg) < MinMessageLen {
		return device.Reading{}, false
	}

	switch model {
	case device.ModelBM6:
		if !strings.HasPrefix(msg, prefixBM6) {
			return device.Reading{}, false
		}
	case device.ModelBM7:
		if !strings.HasPrefix(msg, prefixBM7) {
			return device.Reading{}, false
		}
	default:
		return device.Reading{}, false
	}

	sign := msg[6:8]
	if sign != signPositive && sign != signNegative {
		return device.Reading{}, false
	}

	rawVoltage, err := strconv.ParseUint(msg[15:18], 16, 16)
	if err != nil {
		return device.Reading{}, false
	}
	soc, err := strconv.ParseUint(msg[12:14], 16, 8)
	if err != nil {
		return device.Reading{}, false
	}
	temp, err := strconv.ParseUint(msg[8:10], 16, 8)
	if err != nil {
		return device.Reading{}, false
	}

	voltage := float64(rawVoltage) / 100
	if math.IsNaN(voltage) || math.IsInf(voltage, 0) {
		return device.Reading{}, false
	}

	temperature := int(temp)
	if sign == signNegative {
		temperature = -temperature
	}

	return device.Reading{
		Voltage:       voltage,
		StateOfCharge: int(soc),
		Temperature:   temperature,
	}, true
}

// Decode decrypts and parses one notification payload.
func Decode(payload []byte, model device.Model) (device.Reading, bool) {
	msg, err := DecryptNotification(payload, model)
	if err != nil {
		return device.Reading{}, false
	}
	return ParseMessage(msg, model)
}
