package auth

import (
	"context"
	"log/slog"
	"net/url"

	"github.com/hitoshi/messmenu/internal/model"
	"github.com/hitoshi/messmenu/internal/storage"
)

// Outcome はリダイレクト照合の結果。NotARedirect、RedirectSuccess、RedirectFailureのいずれか。
type Outcome interface {
	// Name は計測用の結果名を返す。
	Name() string
	isOutcome()
}

// NotARedirect は保留中のリダイレクトがなかったことを表す。
type NotARedirect struct{}

// RedirectSuccess はリダイレクトによるサインインが完了したことを表す。
type RedirectSuccess struct {
	Profile     *model.UserProfile
	Destination string
}

// RedirectFailure は保留中のリダイレクトがあったが結果を得られなかったことを表す。
type RedirectFailure struct {
	Failure
}

func (NotARedirect) Name() string      { return "not_a_redirect" }
func (RedirectSuccess) Name() string   { return "success" }
func (f RedirectFailure) Name() string { return "failure_" + f.Kind.String() }

func (NotARedirect) isOutcome()    {}
func (RedirectSuccess) isOutcome() {}
func (RedirectFailure) isOutcome() {}

// Reconciler はページ読み込みごとに、自分が開始したリダイレクトから戻ったかを判定し、
// サインインを完了させる。
type Reconciler struct {
	gateway  *Gateway
	recorder Recorder
}

// NewReconciler はReconcilerを生成する。
func NewReconciler(g *Gateway) *Reconciler {
	return &Reconciler{
		gateway:  g,
		recorder: g.recorder,
	}
}

// Reconcile は保留中のリダイレクトを照合し、3種類の終端結果のいずれかを返す。
// 保留中のリダイレクトがなければ何も書き込まずにNotARedirectを返す。
// それ以外の場合、保留中のリダイレクトは結果にかかわらず削除する。
func (r *Reconciler) Reconcile(ctx context.Context, session storage.Store, query url.Values) Outcome {
	outcome := r.reconcile(ctx, session, query)
	r.recorder.ReconcileOutcome(outcome.Name())
	return outcome
}

func (r *Reconciler) reconcile(ctx context.Context, session storage.Store, query url.Values) Outcome {
	// 1. 保留中のリダイレクトを読み取る
	var pending model.PendingRedirect
	found, err := takeJSON(ctx, session, storage.KeyPendingRedirect, &pending)
	switch {
	case !found && err != nil:
		// 読み取り自体に失敗した場合は判定できないため、リダイレクトではないものとする
		slog.Error("failed to read pending redirect", slog.String("error", err.Error()))
		return NotARedirect{}
	case !found:
		return NotARedirect{}
	case err != nil:
		// 壊れたレコードは削除済み
		slog.Warn("discarding malformed pending redirect", slog.String("error", err.Error()))
		return r.failure(FailureFromCode(CodeNoRedirectResult))
	}

	// 2. プロバイダの結果を取得
	identity, err := r.gateway.RedirectResult(ctx, &pending, query)
	if err != nil {
		f := Classify(err)
		if f.Kind == FailureReportable {
			slog.Warn("redirect sign-in failed",
				slog.String("provider", pending.Provider),
				slog.String("code", f.Code),
				slog.String("error", err.Error()),
			)
		}
		return r.failure(f)
	}
	if identity == nil {
		return r.failure(FailureFromCode(CodeNoRedirectResult))
	}

	// 3. プロフィールを更新（失敗してもサインインは成功させる）
	profile := r.gateway.upsertOrMinimal(ctx, identity)

	slog.Info("redirect sign-in completed",
		slog.String("user_id", profile.ID),
		slog.String("provider", pending.Provider),
	)
	return RedirectSuccess{Profile: profile, Destination: SanitizeDestination(pending.Destination)}
}

func (r *Reconciler) failure(f Failure) Outcome {
	r.recorder.AuthFailure(f.Code, f.Kind == FailureSilent)
	return RedirectFailure{Failure: f}
}
