package store

import "strconv"

// Key namespace of the KV store.

func EventPrefix(token string) string {
	return "event:" + token + ":"
}

func EventKey(token, ts, suffix string) string {
	return EventPrefix(token) + ts + ":" + suffix
}

func DedupeKey(token, ipHash, uaHash string) string {
	return "dedupe:" + token + ":" + ipHash + ":" + uaHash
}

func NonceKey(token, nonce string) string {
	return "nonce:" + token + ":" + nonce
}

func RateKey(token, ipHash string, bucket int64) string {
	return "rl:" + token + ":" + ipHash + ":" + strconv.FormatInt(bucket, 10)
}
