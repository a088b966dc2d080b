package journal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證日誌記錄的 CRC32 校驗和
// ============================================================================

import (
	"hash/crc32"
	"strconv"
	"strings"
)

// CalculateChecksum 計算記錄的 CRC32 校驗和
//
// 涵蓋 Seq、Type、JobID、State、Phase、Detail 與 Timestamp，
// 以 '|' 分隔避免欄位串接產生歧義。
func CalculateChecksum(e Entry) uint32 {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(e.Seq, 10))
	for _, field := range []string{string(e.Type), string(e.JobID), string(e.State), string(e.Phase), e.Detail} {
		b.WriteByte('|')
		b.WriteString(field)
	}
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(e.Timestamp, 10))
	return crc32.ChecksumIEEE([]byte(b.String()))
}

// VerifyChecksum 驗證記錄的校驗和是否正確
func VerifyChecksum(e Entry) bool {
	return e.Checksum == CalculateChecksum(e)
}
