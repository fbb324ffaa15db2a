package journal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 journal 事件的 CRC32 校驗和
// ============================================================================

import (
	"hash/crc32"
	"sort"
	"strconv"
	"strings"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 涵蓋 Seq + Type + TaskID + TaskType + Estimate（依維度排序），
// 不包含 Timestamp。
func CalculateChecksum(event Event) uint32 {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(event.Seq, 10))
	b.WriteByte('|')
	b.WriteString(string(event.Type))
	b.WriteByte('|')
	b.WriteString(event.TaskID)
	b.WriteByte('|')
	b.WriteString(event.TaskType)

	dims := make([]string, 0, len(event.Estimate))
	for d := range event.Estimate {
		dims = append(dims, d)
	}
	sort.Strings(dims)
	for _, d := range dims {
		b.WriteByte('|')
		b.WriteString(d)
		b.WriteByte('=')
		b.WriteString(strconv.FormatFloat(event.Estimate[d], 'g', -1, 64))
	}

	return crc32.ChecksumIEEE([]byte(b.String()))
}

// VerifyChecksum 驗證事件的校驗和，不符時回傳 *ChecksumError
func VerifyChecksum(event Event) error {
	expected := CalculateChecksum(event)
	if event.Checksum != expected {
		return &ChecksumError{Seq: event.Seq, Expected: expected, Actual: event.Checksum}
	}
	return nil
}
