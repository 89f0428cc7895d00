package util

func DeepCopyStrings(a []string) []string {
	if a == nil {
		return nil
	}
	result := make([]string, len(a))
	copy(result, a)
	return result
}
