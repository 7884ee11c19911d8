package services

// SelectRecipients picks the recipients for a fired chain. Solo mode takes
// one uniform pick. Mirrored mode picks a first uniformly and re-picks the
// second until it differs. When only one participant exists, both slots
// collapse to that identity; Fire only rolls mirrored with two or more
// participants, so the collapse is reachable only through direct use.
func SelectRecipients(participants []string, mirrored bool, randIntn func(int) int) []string {
	if len(participants) == 0 {
		return nil
	}
	first := participants[randIntn(len(participants))]
	if !mirrored {
		return []string{first}
	}
	second := first
	for len(participants) > 1 && second == first {
		second = participants[randIntn(len(participants))]
	}
	return []string{first, second}
}
