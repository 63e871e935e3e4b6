package envmlflow

// ProductionEnvironment is the only environment whose model versions are
// placed in the Production stage.
const ProductionEnvironment = "production"

// Stage is a model version lifecycle stage in the registry.
type Stage string

const (
	// StageStaging is used by every environment except production.
	StageStaging Stage = "Staging"

	// StageProduction is used by the production environment.
	StageProduction Stage = "Production"
)

// String returns the registry wire value of the stage.
func (s Stage) String() string {
	return string(s)
}

// QualifiedName postfixes a model or artifact name with the environment.
// Example: QualifiedName("churn", "acc") returns "churn_acc".
func QualifiedName(base, env string) string {
	return base + "_" + env
}

// ExperimentPath returns the environment specific experiment name.
// Example: ExperimentPath("training", "acc") returns "/experiments/acc/training".
func ExperimentPath(base, env string) string {
	return "/experiments/" + env + "/" + base
}

// StageFor returns the stage model versions of env are promoted to.
// The match on ProductionEnvironment is exact and case-sensitive.
func StageFor(env string) Stage {
	if env == ProductionEnvironment {
		return StageProduction
	}
	return StageStaging
}
