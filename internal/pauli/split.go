package pauli

import "fmt"

// Split partitions op into sub-operators of at most maxTermsPerSplit terms.
// Terms are taken in label order; every sub-operator but the last holds
// exactly maxTermsPerSplit terms. An empty operator yields no sub-operators.
//
// Split is pure: every rank recomputes it and must obtain the same result.
// It panics if maxTermsPerSplit < 1 or if any term would be lost.
func Split(op *Operator, maxTermsPerSplit int) []*Operator {
	if maxTermsPerSplit < 1 {
		panic(fmt.Sprintf("pauli: maxTermsPerSplit must be >= 1, got %d", maxTermsPerSplit))
	}

	subs := make([]*Operator, 0, (op.Len()+maxTermsPerSplit-1)/maxTermsPerSplit)
	bucket := NewOperator(op.nQubits)
	for label, t := range op.All() {
		bucket.terms[label] = t
		bucket.labels = append(bucket.labels, label)
		if bucket.Len() >= maxTermsPerSplit {
			subs = append(subs, bucket)
			bucket = NewOperator(op.nQubits)
		}
	}
	if bucket.Len() > 0 {
		subs = append(subs, bucket)
	}

	total := 0
	for _, s := range subs {
		total += s.Len()
	}
	if total != op.Len() {
		panic(fmt.Sprintf("pauli: split kept %d of %d terms", total, op.Len()))
	}
	return subs
}
