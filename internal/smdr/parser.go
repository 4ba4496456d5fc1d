package smdr

import (
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/ipo-telemetry/internal/csvutil"
)

const timestampLayout = "2006/01/02 15:04:05"

// Parse splits an SMDR line into its 35 positional fields and builds a
// Record. Like Delta3Parser, this never returns an error to the caller:
// a malformed line is logged with a truncated snippet and dropped.
func Parse(line string, log zerolog.Logger) *Record {
	fields := csvutil.SplitQuoted(line)
	if len(fields) != fieldCount {
		log.Warn().Int("field_count", len(fields)).Str("line", snippet(line)).Msg("smdr: wrong field count")
		return nil
	}

	callStart, err := time.Parse(timestampLayout, csvutil.Field(fields, 0))
	if err != nil {
		log.Warn().Err(err).Str("line", snippet(line)).Msg("smdr: bad timestamp")
		return nil
	}

	connected, err := parseHMS(csvutil.Field(fields, 1))
	if err != nil {
		log.Warn().Err(err).Str("line", snippet(line)).Msg("smdr: bad connected duration")
		return nil
	}

	r := &Record{
		RawLine:          line,
		CallStart:        callStart,
		ConnectedSeconds: connected,
		RingSeconds:      atoiSafe(csvutil.Field(fields, 2)),
		CallerNumber:     csvutil.Field(fields, 3),
		Direction:        csvutil.Field(fields, 4),
		CalledNumber:     csvutil.Field(fields, 5),
		DialedNumber:     csvutil.Field(fields, 6),
		AccountCode:      csvutil.Field(fields, 7),
		IsInternal:       csvutil.Field(fields, 8) == "1",
		ChannelID:        csvutil.Field(fields, 9),
		Continuation:     csvutil.Field(fields, 10) == "1",
		Party1Device:     csvutil.Field(fields, 11),
		Party1Name:       csvutil.Field(fields, 12),
		Party2Device:     csvutil.Field(fields, 13),
		Party2Name:       csvutil.Field(fields, 14),
		HoldSeconds:      atoiSafe(csvutil.Field(fields, 15)),
		ParkSeconds:      atoiSafe(csvutil.Field(fields, 16)),
		TransferCount:    atoiSafe(csvutil.Field(fields, 17)),
		CallID:           csvutil.Field(fields, 18),
		TrunkName:        csvutil.Field(fields, 19),
		QueueName:        csvutil.Field(fields, 20),

		CallCharge:             atofSafe(csvutil.Field(fields, 30)),
		Currency:               csvutil.Field(fields, 31),
		ExternalTargetingCause: csvutil.Field(fields, 32),
		User1:                  csvutil.Field(fields, 33),
		User2:                  csvutil.Field(fields, 34),
	}
	return r
}

func atoiSafe(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atofSafe(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func snippet(s string) string {
	const max = 100
	if len(s) <= max {
		return s
	}
	return s[:max]
}
