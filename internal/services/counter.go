package services

// CheckSignCount applies the clone-detection rule to a stored and a freshly
// reported signature counter. Authenticators that do not implement counters
// always report zero; a pair of zeros is therefore fine. Once an
// authenticator has reported a non-zero value, every later assertion must
// strictly increase it. A stall or regression means the private key may be
// present on more than one device.
func CheckSignCount(stored, reported uint32) error {
	if stored == 0 && reported == 0 {
		return nil
	}
	if reported > stored {
		return nil
	}
	return ErrCounterRegression
}
