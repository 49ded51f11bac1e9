package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// SecurityLevel は暗号化のセキュリティレベルを表す。
// 数値はエンベロープの公開フォーマットの一部であり、番号を振り直してはならない。
type SecurityLevel int

const (
	// LevelOneTimePad はワンタイムパッド（情報理論的安全性）。
	LevelOneTimePad SecurityLevel = 1
	// LevelKeyDerivedAES は量子鍵から導出したAES-256-CBC。
	LevelKeyDerivedAES SecurityLevel = 2
	// LevelPostQuantum は耐量子暗号のプレースホルダ（AES-256-GCM）。
	LevelPostQuantum SecurityLevel = 3
	// LevelClassical は鍵配送に依存しない古典的なAES-256-CBC。
	LevelClassical SecurityLevel = 4
)

// Levels は定義済みの全セキュリティレベルを番号順に返す。
func Levels() []SecurityLevel {
	return []SecurityLevel{LevelOneTimePad, LevelKeyDerivedAES, LevelPostQuantum, LevelClassical}
}

var levelNames = map[SecurityLevel]string{
	LevelOneTimePad:    "QUANTUM_OTP",
	LevelKeyDerivedAES: "QUANTUM_AES",
	LevelPostQuantum:   "POST_QUANTUM",
	LevelClassical:     "CLASSICAL",
}

var levelAliases = map[string]SecurityLevel{
	"otp":       LevelOneTimePad,
	"aes":       LevelKeyDerivedAES,
	"pqc":       LevelPostQuantum,
	"classical": LevelClassical,
}

// Valid は定義済みのレベルかどうかを返す。
func (l SecurityLevel) Valid() bool {
	_, ok := levelNames[l]
	return ok
}

// String はエンベロープの security_level_name に書き込まれる名前を返す。
func (l SecurityLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("SecurityLevel(%d)", int(l))
}

// ParseSecurityLevel は数値、公開名、短縮名のいずれかからレベルを解釈する。
func ParseSecurityLevel(s string) (SecurityLevel, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		l := SecurityLevel(n)
		if !l.Valid() {
			return 0, fmt.Errorf("%w: %d", ErrUnknownSecurityLevel, n)
		}
		return l, nil
	}
	for l, name := range levelNames {
		if strings.EqualFold(name, s) {
			return l, nil
		}
	}
	if l, ok := levelAliases[strings.ToLower(s)]; ok {
		return l, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownSecurityLevel, s)
}
