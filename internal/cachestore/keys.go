package cachestore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// The content-key formulas below are the policy from spec §4.7 and are
// intentionally the only place a cache key is constructed: a collision
// must imply payload equivalence, so no other code path may hash its
// own ad-hoc key.

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// MetadataKey keys the metadata layer on a normalized title and year.
func MetadataKey(normalizedTitle string, year int) string {
	return hashString(fmt.Sprintf("metadata|%s|%d", normalizedTitle, year))
}

// FingerprintKey keys the fingerprint layer directly on the streamed
// SHA-256 of the raw audio content (see HashFile).
func FingerprintKey(audioHash string) string {
	return audioHash
}

// ASRKey keys the asr layer on the audio fingerprint, model id,
// language, and the canonical config subset that affects output.
func ASRKey(audioHash, modelID, language string, configSubset map[string]string) string {
	return hashString(fmt.Sprintf("%s|%s|%s|%s", audioHash, modelID, language, canonicalConfigSubset(configSubset)))
}

// TranslationKey keys the translation layer on source text, language
// pair, and the glossary/context-window hashes in effect.
func TranslationKey(sourceText, srcLang, tgtLang, glossaryHash, contextWindowHash string) string {
	return hashString(fmt.Sprintf("%s|%s|%s|%s|%s", sourceText, srcLang, tgtLang, glossaryHash, contextWindowHash))
}

// GlossaryKey keys the glossary layer per media_id: glossary entries
// are appended to across jobs on the same media, not rewritten, so the
// key carries no config/version component.
func GlossaryKey(mediaID string) string {
	return hashString("glossary|" + mediaID)
}
