package api

import (
	"io"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"boardsync/domain"
	"boardsync/gateway"
	"boardsync/notify"
	"boardsync/presence"
)

// Deps carries the constructed services the transport wires together. The
// transport broadcasts what the gateway returns; the gateway itself never
// touches the channel.
type Deps struct {
	Mutator   Mutator
	Loader    Loader
	Hub       Broadcaster
	Publisher Publisher // optional
	Presence  Presence
	Notifier  Notifier // optional
	Auth      Authenticator
	Deduper   Deduper // optional
	Log       *log.Logger
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, deps Deps) {
	if deps.Log == nil {
		deps.Log = log.StandardLogger()
	}
	e.GET("/api/board/:resourceId", getBoard(deps))
	e.POST("/api/mutations", postMutations(deps))
	e.GET("/stream/:resourceId", streamBoard(deps))
	e.POST("/api/presence/focus", postFocus(deps))
	e.POST("/api/presence/cursor", postCursor(deps))
	e.POST("/api/reactions", postReaction(deps))
	e.GET("/healthz", healthz())
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

type boardResponse struct {
	Items    []domain.Item     `json:"items"`
	Presence []presence.Record `json:"presence"`
}

func getBoard(deps Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		_, err := deps.Auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		resourceID := c.Param("resourceId")
		items, err := deps.Loader.LoadItemsForResource(ctx, resourceID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, boardResponse{
			Items:    items,
			Presence: deps.Presence.Snapshot(resourceID),
		})
	}
}

func postMutations(deps Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := deps.Auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		lr := io.LimitReader(c.Request().Body, mutationsMaxSize)
		dec := sonic.ConfigStd.NewDecoder(lr)
		dec.DisallowUnknownFields()

		muts := make([]Mutation, 0, 4)
		if err := dec.Decode(&muts); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}

		keys := make([]string, len(muts))
		for i := range muts {
			if muts[i].IdempotencyKey == "" {
				muts[i].IdempotencyKey = uuid.NewString()
			}
			keys[i] = muts[i].IdempotencyKey
		}

		fresh := make([]bool, len(muts))
		for i := range fresh {
			fresh[i] = true
		}
		if deps.Deduper != nil {
			added, err := deps.Deduper.AddMany(ctx, userID, keys)
			if err != nil {
				c.Logger().Errorf("dedupe: %v", err)
				return c.String(http.StatusInternalServerError, "failed to record mutations")
			}
			fresh = added
		}

		results := make([]MutationResult, len(muts))
		for i, mut := range muts {
			results[i].IdempotencyKey = mut.IdempotencyKey
			if !fresh[i] {
				results[i].Duplicate = true
				continue
			}

			res, err := applyMutation(c, deps, userID, mut)
			if err != nil {
				if deps.Deduper != nil {
					if rerr := deps.Deduper.Remove(ctx, userID, mut.IdempotencyKey); rerr != nil {
						deps.Log.WithField("key", mut.IdempotencyKey).Errorf("dedupe rollback failed: %v", rerr)
					}
				}
				results[i].Error = err.Error()
				continue
			}
			results[i].Item = res.Item
			dispatchResult(c, deps, userID, mut.ResourceID, res)
		}

		return c.JSON(http.StatusOK, results)
	}
}

func applyMutation(c echo.Context, deps Deps, userID string, mut Mutation) (gateway.Result, error) {
	ctx := c.Request().Context()
	switch mut.Op {
	case "create":
		return deps.Mutator.ApplyCreate(ctx, userID, gateway.CreateRequest{
			ResourceID:  mut.ResourceID,
			ContainerID: mut.ContainerID,
			Title:       mut.Title,
			Notes:       mut.Notes,
			Pinned:      mut.Pinned,
		})
	case "move":
		if mut.Index == nil {
			return gateway.Result{}, domain.ValidationError{Field: "index", Reason: "required for move"}
		}
		return deps.Mutator.ApplyMove(ctx, userID, mut.ResourceID, mut.ItemID, mut.ContainerID, *mut.Index)
	case "update":
		if mut.Patch == nil {
			return gateway.Result{}, domain.ValidationError{Field: "patch", Reason: "required for update"}
		}
		return deps.Mutator.ApplyUpdate(ctx, userID, mut.ResourceID, mut.ItemID, *mut.Patch)
	case "delete":
		return deps.Mutator.ApplyDelete(ctx, userID, mut.ResourceID, mut.ItemID)
	default:
		return gateway.Result{}, domain.ValidationError{Field: "op", Reason: "unknown operation " + mut.Op}
	}
}

// dispatchResult broadcasts the gateway's events to the room, relays them to
// other instances, and fans out derived notifications. Delivery failures are
// logged, never propagated: persistence already succeeded.
func dispatchResult(c echo.Context, deps Deps, userID, resourceID string, res gateway.Result) {
	ctx := c.Request().Context()
	for _, ev := range res.Events {
		deps.Hub.Broadcast(ev.ResourceID, ev)
		if deps.Publisher != nil {
			if err := deps.Publisher.Publish(ctx, ev); err != nil {
				deps.Log.WithField("type", ev.Type).Errorf("publish event: %v", err)
			}
		}
		if ev.Type == domain.FieldChanged && deps.Notifier != nil {
			recipients := make([]string, 0)
			for _, rec := range deps.Presence.Snapshot(resourceID) {
				if rec.UserID != userID {
					recipients = append(recipients, rec.UserID)
				}
			}
			if len(recipients) > 0 {
				deps.Notifier.Dispatch(ctx, recipients, notify.CategoryFieldChange, resourceID, "fields changed on "+ev.EntityID)
			}
		}
	}
}

func streamBoard(deps Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
		if authHeader == "" {
			if token := c.QueryParam("token"); token != "" {
				authHeader = "Bearer " + token
			}
		}
		userID, err := deps.Auth.UserIDFromAuthHeader(authHeader)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		resourceID := c.Param("resourceId")
		clientID := c.QueryParam("clientId")
		if clientID == "" {
			clientID = uuid.NewString()
		}

		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}

		ctx := c.Request().Context()
		events := deps.Hub.Join(clientID, resourceID)
		deps.Presence.Join(userID, resourceID)
		defer func() {
			deps.Hub.Leave(clientID, resourceID)
			deps.Presence.Leave(userID, resourceID)
		}()

		// Rejoining clients resync from this snapshot; the channel does not
		// replay missed events.
		items, err := deps.Loader.LoadItemsForResource(ctx, resourceID)
		if err != nil {
			c.Logger().Error(err)
			return err
		}
		if err := writeFrame(c, flusher, boardResponse{Items: items, Presence: deps.Presence.Snapshot(resourceID)}); err != nil {
			return err
		}

		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, open := <-events:
				if !open {
					// Dropped by the hub; the client reconnects and resyncs.
					return nil
				}
				if err := writeFrame(c, flusher, ev); err != nil {
					return err
				}
			}
		}
	}
}

func writeFrame(c echo.Context, flusher http.Flusher, payload any) error {
	data, err := sonic.ConfigStd.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := c.Response().Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := c.Response().Write(data); err != nil {
		return err
	}
	if _, err := c.Response().Write([]byte("\n\n")); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

type focusRequest struct {
	ResourceID string `json:"resourceId"`
	Field      string `json:"field"`
}

func postFocus(deps Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := deps.Auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var req focusRequest
		if err := c.Bind(&req); err != nil || req.ResourceID == "" {
			return c.NoContent(http.StatusBadRequest)
		}
		deps.Presence.FocusField(userID, req.ResourceID, req.Field)
		return c.NoContent(http.StatusAccepted)
	}
}

type cursorRequest struct {
	ResourceID string `json:"resourceId"`
	ClientID   string `json:"clientId"`
	Line       int    `json:"line"`
	Column     int    `json:"column"`
}

func postCursor(deps Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := deps.Auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var req cursorRequest
		if err := c.Bind(&req); err != nil || req.ResourceID == "" {
			return c.NoContent(http.StatusBadRequest)
		}
		deps.Presence.CursorMoved(req.ClientID, userID, req.ResourceID, req.Line, req.Column)
		return c.NoContent(http.StatusAccepted)
	}
}

type reactionRequest struct {
	ResourceID string `json:"resourceId"`
	ItemID     string `json:"itemId"`
	Reaction   string `json:"reaction"`
}

func postReaction(deps Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := deps.Auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var req reactionRequest
		if err := c.Bind(&req); err != nil || req.ResourceID == "" || req.ItemID == "" {
			return c.NoContent(http.StatusBadRequest)
		}
		data, err := sonic.ConfigStd.Marshal(domain.ReactionEventData{UserID: userID, ItemID: req.ItemID, Reaction: req.Reaction})
		if err != nil {
			return c.NoContent(http.StatusInternalServerError)
		}
		ev := domain.Event{
			ID:         uuid.NewString(),
			ResourceID: req.ResourceID,
			EntityID:   req.ItemID,
			Type:       domain.ReactionToggled,
			Data:       data,
			Time:       domain.NextTimestamp(),
			UserID:     userID,
		}
		deps.Hub.Broadcast(req.ResourceID, ev)
		if deps.Publisher != nil {
			if err := deps.Publisher.Publish(ctx, ev); err != nil {
				deps.Log.Errorf("publish reaction: %v", err)
			}
		}
		return c.NoContent(http.StatusAccepted)
	}
}
