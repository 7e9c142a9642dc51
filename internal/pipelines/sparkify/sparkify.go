// Package sparkify defines the hourly Sparkify load: event and song logs are
// staged from S3 into Redshift, shaped into a star schema and checked.
package sparkify

import (
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	v1 "github.com/kination/dagrun/api/v1"
	"github.com/kination/dagrun/internal/graph"
	"github.com/kination/dagrun/internal/operator"
	"github.com/kination/dagrun/internal/sdk"
	"github.com/kination/dagrun/pkg/task"
)

const (
	Name        = "udac_example_dag"
	Description = "Load and transform data in Redshift with Airflow"
	Schedule    = "0 * * * *"
	Owner       = "udacity"

	RedshiftConn = "redshift"
	AWSConn      = "aws_credentials"
	Bucket       = "udacity-dend"
	Region       = "us-west-2"
)

// Task ids.
const (
	BeginExecution = "Begin_execution"
	CreateTable    = "create_table"
	StageEvents    = "Stage_events"
	StageSongs     = "Stage_songs"
	LoadSongplays  = "Load_songplays_fact_table"
	LoadUserDim    = "Load_user_dim_table"
	LoadSongDim    = "Load_song_dim_table"
	LoadArtistDim  = "Load_artist_dim_table"
	LoadTimeDim    = "Load_time_dim_table"
	QualityChecks  = "Run_data_quality_checks"
	StopExecution  = "Stop_execution"
)

// StartDate is the first logical date of the schedule.
var StartDate = time.Date(2020, 5, 23, 0, 0, 0, 0, time.UTC)

// Defaults are the task options shared by every task.
func Defaults() []task.Option {
	return []task.Option{
		task.WithRetryLimit(3),
		task.WithRetryDelay(3 * time.Minute),
	}
}

// Tasks returns the task specs in definition order, without dependencies.
func Tasks() []v1.TaskSpec {
	redshift := func(params map[string]string) map[string]string {
		params["conn_id"] = RedshiftConn
		return params
	}
	return []v1.TaskSpec{
		{Name: BeginExecution, Operator: v1.OperatorNoop},
		{Name: CreateTable, Operator: v1.OperatorSQL, Params: redshift(map[string]string{
			"sql": CreateTables,
		})},
		{Name: StageEvents, Operator: v1.OperatorStageToRedshift, Params: redshift(map[string]string{
			"aws_conn_id": AWSConn,
			"table":       "staging_events",
			"s3_bucket":   Bucket,
			"s3_key":      "log_data",
			"json_option": "s3://udacity-dend/log_json_path.json",
			"region":      Region,
		})},
		{Name: StageSongs, Operator: v1.OperatorStageToRedshift, Params: redshift(map[string]string{
			"aws_conn_id": AWSConn,
			"table":       "staging_songs",
			"s3_bucket":   Bucket,
			"s3_key":      "song_data",
			"json_option": "auto",
			"region":      Region,
		})},
		{Name: LoadSongplays, Operator: v1.OperatorLoadFact, Params: redshift(map[string]string{
			"table":      "songplays",
			"select_sql": SongplayTableInsert,
		})},
		{Name: LoadUserDim, Operator: v1.OperatorLoadDimension, Params: redshift(map[string]string{
			"table":      "users",
			"select_sql": UserTableInsert,
		})},
		{Name: LoadSongDim, Operator: v1.OperatorLoadDimension, Params: redshift(map[string]string{
			"table":      "songs",
			"select_sql": SongTableInsert,
		})},
		{Name: LoadArtistDim, Operator: v1.OperatorLoadDimension, Params: redshift(map[string]string{
			"table":         "artists",
			"select_sql":    ArtistTableInsert,
			"append_insert": "true",
			"primary_key":   "artistid",
		})},
		{Name: LoadTimeDim, Operator: v1.OperatorLoadDimension, Params: redshift(map[string]string{
			"table":      "time",
			"select_sql": TimeTableInsert,
		})},
		{Name: QualityChecks, Operator: v1.OperatorDataQuality, Params: redshift(map[string]string{
			"test_query":      NullSongIDs,
			"expected_result": "0",
		})},
		{Name: StopExecution, Operator: v1.OperatorNoop},
	}
}

// Define declares the pipeline on a new builder. resolve builds the work of
// every task; opts are applied after the pipeline defaults.
func Define(resolve sdk.Resolver, opts ...sdk.DAGOption) *sdk.DAGBuilder {
	dagOpts := append([]sdk.DAGOption{
		sdk.WithDefaults(Defaults()...),
		sdk.WithResolver(resolve),
	}, opts...)
	dag := sdk.NewDAG(Name, dagOpts...)

	refs := make(map[string]sdk.Ref)
	for _, spec := range Tasks() {
		refs[spec.Name] = dag.Operator(spec)
	}

	dag.Chain(
		refs[BeginExecution],
		refs[CreateTable],
		sdk.Group(refs[StageEvents], refs[StageSongs]),
		refs[LoadSongplays],
		sdk.Group(refs[LoadSongDim], refs[LoadUserDim], refs[LoadArtistDim], refs[LoadTimeDim]),
		refs[QualityChecks],
		refs[StopExecution],
	)
	return dag
}

// Graph builds the runnable pipeline with the operators of reg.
func Graph(reg *operator.Registry, deps operator.Deps) (*graph.Graph, error) {
	return Define(reg.Resolver(deps)).Build()
}

// Pipeline returns the manifest form of the pipeline, schedule included.
func Pipeline() (*v1.Pipeline, error) {
	p, err := Define(func(v1.TaskSpec) (task.Func, error) { return operator.Noop, nil }).Manifest()
	if err != nil {
		return nil, err
	}
	p.Spec.Description = Description
	p.Spec.Defaults.Owner = Owner
	p.Spec.Schedule = v1.ScheduleSpec{
		Cron:          Schedule,
		MaxActiveRuns: 1,
		Overlap:       v1.OverlapSkip,
		StartDate:     &metav1.Time{Time: StartDate},
	}
	return p, nil
}
