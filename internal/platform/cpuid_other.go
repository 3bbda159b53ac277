//go:build !linux

package platform

// hwcapFeatures has no auxv to read outside Linux; the affected options
// (OPT_ENABLE_FS_GS, OPT_ENABLE_BTI, pointer-auth handling) simply report
// unsupported, which the option validation in qbdi.New turns into an
// explicit error instead of a silently weaker context switch.
func hwcapFeatures(f *FeatureSet) {}
