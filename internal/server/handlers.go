package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/loykin/scriptd/internal/execution"
	"github.com/loykin/scriptd/internal/manager"
	"github.com/loykin/scriptd/internal/store"
)

type scriptList struct {
	Scripts []store.Script `json:"scripts"`
	Total   int            `json:"total"`
}

type executionList struct {
	Executions []execution.Execution `json:"executions"`
	Total      int                   `json:"total"`
}

type executeResp struct {
	ExecutionID string `json:"execution_id"`
}

func (r *Router) handleListScripts(c *gin.Context) {
	f := store.ScriptFilter{Tag: c.Query("tag"), Search: c.Query("search")}
	list, err := r.mgr.ListScripts(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	if list == nil {
		list = []store.Script{}
	}
	writeJSON(c, http.StatusOK, scriptList{Scripts: list, Total: len(list)})
}

func (r *Router) handleGetScript(c *gin.Context) {
	sc, err := r.mgr.GetScript(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, sc)
}

func (r *Router) handleCreateScript(c *gin.Context) {
	var in manager.ScriptInput
	if err := c.ShouldBindJSON(&in); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	sc, err := r.mgr.CreateScript(c.Request.Context(), in)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, sc)
}

func (r *Router) handleUpdateScript(c *gin.Context) {
	var p manager.ScriptPatch
	if err := c.ShouldBindJSON(&p); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	sc, err := r.mgr.UpdateScript(c.Request.Context(), c.Param("id"), p)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, sc)
}

func (r *Router) handleDeleteScript(c *gin.Context) {
	if err := r.mgr.DeleteScript(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, messageResp{Message: "Script deleted successfully"})
}

func (r *Router) handleExecute(c *gin.Context) {
	id, err := r.mgr.Execute(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusAccepted, executeResp{ExecutionID: id})
}

func (r *Router) handleListExecutions(c *gin.Context) {
	limit, offset, err := parsePage(c)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	f := store.ExecutionFilter{ScriptID: c.Query("script_id"), Limit: limit, Offset: offset}
	list, total, err := r.mgr.ListExecutions(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	if list == nil {
		list = []execution.Execution{}
	}
	writeJSON(c, http.StatusOK, executionList{Executions: list, Total: total})
}

func (r *Router) handleGetExecution(c *gin.Context) {
	ex, err := r.mgr.GetExecution(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, ex)
}

func (r *Router) handleStats(c *gin.Context) {
	st, err := r.mgr.Stats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}
