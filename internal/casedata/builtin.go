package casedata

// Builtin returns the catalog shipped with the binary.
func Builtin() *Catalog {
	c, err := NewCatalog(builtinCases)
	if err != nil {
		panic(err)
	}
	return c
}

var builtinCases = []Case{
	{
		ID:            "DTP-001",
		Title:         "Bleeding gums and bad breath",
		ExtraoralExam: "No facial asymmetry. TMJ normal on palpation. No palpable lymph nodes.",
		IntraoralExam: "Generalised marginal gingival erythema, plaque and calculus deposits on lower anterior lingual surfaces. Bleeding on probing.",
		BPEScore:      "2 2 2 / 3 2 2",
	},
	{
		ID:            "DTP-002",
		Title:         "Loose lower incisor",
		ExtraoralExam: "Extraoral examination within normal limits.",
		IntraoralExam: "Grade I mobility on LL1 and LR1. Generalised recession on lower anteriors. Heavy subgingival calculus.",
		BPEScore:      "3 3 3 / 4 3 3",
	},
	{
		ID:            "DTP-003",
		Title:         "Sensitivity to cold",
		ExtraoralExam: "No abnormalities detected.",
		IntraoralExam: "Cervical abrasion cavities on UR4 and UL4. Gingiva healthy. Tooth wear consistent with aggressive brushing.",
		BPEScore:      "1 1 1 / 1 1 1",
	},
}
