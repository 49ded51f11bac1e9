package ciphersuite

import "crypto/sha256"

// hashedKey は任意長の鍵素材をSHA-256で256ビット鍵に変換する。
func hashedKey(material []byte) []byte {
	sum := sha256.Sum256(material)
	return sum[:]
}

// directOrHashedKey は32バイト以上ならそのまま先頭32バイトを使い、
// 足りなければハッシュで導出する。
func directOrHashedKey(material []byte) []byte {
	if len(material) >= aesKeySize {
		key := make([]byte, aesKeySize)
		copy(key, material[:aesKeySize])
		return key
	}
	return hashedKey(material)
}
