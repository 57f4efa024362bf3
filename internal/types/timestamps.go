package types

import "time"

// DOSDateTime converts a FAT date/time pair. tenth is the 10ms count (0..199)
// that some entries add on top of the 2-second resolution.
func DOSDateTime(date, tm uint16, tenth uint8) time.Time {
	if date == 0 {
		return time.Time{}
	}
	year := int(date>>9) + 1980
	month := time.Month((date >> 5) & 0x0F)
	day := int(date & 0x1F)
	hour := int(tm >> 11)
	min := int((tm >> 5) & 0x3F)
	sec := int(tm&0x1F) * 2
	t := time.Date(year, month, day, hour, min, sec, 0, time.UTC)
	if tenth > 0 && tenth < 200 {
		t = t.Add(time.Duration(tenth) * 10 * time.Millisecond)
	}
	return t
}

// ExFATTimestamp converts a 32-bit exFAT timestamp with its 10ms increment
// and UTC offset byte. Bit 7 of the offset byte marks the offset as valid;
// the low 7 bits are a signed count of 15 minute intervals.
func ExFATTimestamp(ts uint32, inc10ms uint8, utcOffset uint8) time.Time {
	t := DOSDateTime(uint16(ts>>16), uint16(ts), inc10ms)
	if t.IsZero() || utcOffset&0x80 == 0 {
		return t
	}
	quarters := int(int8(utcOffset<<1) >> 1)
	loc := time.FixedZone("", quarters*15*60)
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
}

// filetimeEpochDelta is the number of 100ns ticks between 1601-01-01 and 1970-01-01
const filetimeEpochDelta = 116444736000000000

// FileTime converts an NTFS FILETIME (100ns ticks since 1601) to UTC
func FileTime(ft uint64) time.Time {
	if ft == 0 {
		return time.Time{}
	}
	ticks := int64(ft) - filetimeEpochDelta
	return time.Unix(ticks/10000000, (ticks%10000000)*100).UTC()
}
